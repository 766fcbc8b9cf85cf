package main

import "github.com/leasesync/leasesync/cmd"

func main() {
	cmd.Execute()
}
