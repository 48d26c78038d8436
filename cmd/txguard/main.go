package main

import "txguard/internal/cli"

func main() {
	cli.Execute()
}
