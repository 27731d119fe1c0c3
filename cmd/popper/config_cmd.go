package main

import (
	"fmt"
	"os"

	"github.com/asheshgoplani/popper/internal/config"
)

func handleConfig(args []string) int {
	if len(args) == 0 {
		printConfigHelp()
		return 2
	}

	switch args[0] {
	case "path":
		path, err := config.Path()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(path)
		return 0

	case "init":
		path, created, err := config.CreateExample()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if created {
			fmt.Printf("Wrote %s\n", path)
		} else {
			fmt.Printf("%s already exists, left unchanged\n", path)
		}
		return 0

	case "help", "--help", "-h":
		printConfigHelp()
		return 0
	}

	fmt.Fprintf(os.Stderr, "Error: unknown config command %q\n", args[0])
	printConfigHelp()
	return 2
}

func printConfigHelp() {
	fmt.Println("Usage: popper config <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init    Write an example config file if none exists")
	fmt.Println("  path    Print the config file path")
}
