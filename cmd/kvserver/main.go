package main

import (
	"log"

	"github.com/martsec/patterns-of-distributed-systems/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
