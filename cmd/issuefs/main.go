package main

import "github.com/issuefs/issuefs/internal/cmd"

func main() {
	cmd.Execute()
}
