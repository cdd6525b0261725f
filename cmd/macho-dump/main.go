package main

import "github.com/appsworld/go-machodump/cmd/macho-dump/cmd"

func main() {
	cmd.Execute()
}
