package infra

import (
	"fmt"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
)

// PrintBanner shows the startup banner. Live mode gets the loud red
// treatment so nobody mistakes it for a simulation.
func PrintBanner(cfg *Config) {
	mode := strings.ToUpper(cfg.Engine.Mode)

	color := colorCyan
	modeDesc := "PAPER SIMULATION"
	if cfg.Engine.Mode == "live" {
		color = colorRed
		modeDesc = "REAL MONEY TRADING"
	}

	fmt.Println()
	fmt.Printf("%s#########################################################%s\n", color, colorReset)
	fmt.Printf("%s#                                                       #%s\n", color, colorReset)
	fmt.Printf("%s#              Cival Order Execution Engine             #%s\n", color, colorReset)
	fmt.Printf("%s#                                                       #%s\n", color, colorReset)
	fmt.Printf("%s#   MODE:    %-42s #%s\n", color, mode, colorReset)
	fmt.Printf("%s#   TYPE:    %-42s #%s\n", color, modeDesc, colorReset)
	fmt.Printf("%s#   SCOPE:   %-42s #%s\n", color, cfg.Engine.Scope, colorReset)
	fmt.Printf("%s#   VERSION: %-42s #%s\n", color, cfg.App.Version, colorReset)
	fmt.Printf("%s#                                                       #%s\n", color, colorReset)

	if cfg.Engine.Mode == "live" {
		fmt.Printf("%s#   WARNING: ORDERS WILL REACH THE REAL VENUE           #%s\n", colorRed, colorReset)
		fmt.Printf("%s#   VERIFY YOUR RISK LIMITS BEFORE PROCEEDING           #%s\n", colorRed, colorReset)
	}

	fmt.Printf("%s#########################################################%s\n", color, colorReset)
	fmt.Println()
}
