package main

import "github.com/ahrav/go-guardrail/internal/cli"

func main() {
	cli.Execute()
}
