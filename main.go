package main

import (
	"log"

	"stage-system/cmd"
	_ "stage-system/migrations"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
