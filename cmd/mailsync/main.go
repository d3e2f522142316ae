package main

import "github.com/nhle/mailsync/internal/cli"

func main() {
	cli.Execute()
}
