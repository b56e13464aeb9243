package main

import "asset_market/internal/cli"

func main() {
	cli.Execute()
}
