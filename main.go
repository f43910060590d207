package main

import "risk-sentinel/internal/cli"

func main() {
	cli.Execute()
}
