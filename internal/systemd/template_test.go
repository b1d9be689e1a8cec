package systemd

import (
	"strings"
	"testing"
)

func TestDaemonServiceTemplate(t *testing.T) {
	tmpl := DaemonServiceTemplate()

	for _, section := range []string{"[Unit]", "[Service]", "[Install]"} {
		if !strings.Contains(tmpl, section) {
			t.Errorf("template missing section %s", section)
		}
	}

	if !strings.Contains(tmpl, "ExecStart=%h/.local/bin/fbuild daemon run") {
		t.Error("template missing fbuild daemon run command")
	}

	for _, directive := range []string{"NoNewPrivileges=true", "PrivateTmp=true", "ProtectSystem=strict"} {
		if !strings.Contains(tmpl, directive) {
			t.Errorf("template missing security directive %s", directive)
		}
	}
}
