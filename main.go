// Command kiroclaw runs the OpenAI-compatible gateway in front of the Kiro
// completion API.
package main

import "github.com/nextlevelbuilder/kiroclaw/cmd"

func main() {
	cmd.Execute()
}
