package main

import "github.com/dhcgn/eml2pdf/cmd"

func main() {
	cmd.Execute()
}
