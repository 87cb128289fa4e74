package main

import "github.com/purehyperbole/ledgerdht/internal/cmd"

func main() {
	cmd.Execute()
}
