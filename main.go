package main

import (
	"github.com/Sparsematrix09/ai-powered-discord-bot/cmd"
)

func main() {
	cmd.Execute()
}
