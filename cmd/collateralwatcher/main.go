package main

import "collateral-alerts/internal/cli"

func main() {
	cli.Execute()
}
