// Command fbuild coordinates building, flashing, and serial-monitoring
// embedded firmware projects via a background daemon.
package main

import "github.com/kjarmicki/fbuild/internal/cli"

func main() {
	cli.Execute()
}
