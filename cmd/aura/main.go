// cmd/aura/main.go
package main

import "github.com/FairForge/aura/internal/cmd"

func main() {
	cmd.Execute()
}
