package main

import "github.com/kstaniek/go-ibus-server/cmd/ibus-tool/cmd"

func main() {
	cmd.Execute()
}
