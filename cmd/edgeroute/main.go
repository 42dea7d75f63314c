// Command edgeroute routes LLM inference between the local device and the cloud.
package main

import (
	"os"

	"github.com/flynn-ai/edgeroute/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
