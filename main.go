package main

import "github.com/andresmejia3/emoscan/cmd"

func main() {
	cmd.Execute()
}
