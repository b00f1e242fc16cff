// Command ldpsim estimates rare-event probabilities of a Poisson
// autoregression by naive Monte Carlo and by LDP-guided importance sampling.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.err.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
