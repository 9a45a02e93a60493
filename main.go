package main

import "github.com/HakaiInstitute/hakai-oceanography-qc-tools/cmd"

func main() {
	cmd.Execute()
}
