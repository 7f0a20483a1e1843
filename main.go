package main

import (
	"log"

	"ocproxy/server"
)

func main() {

	ocppProxy, err := server.NewProxy()
	if err != nil {
		log.Println("proxy initialization failed", err)
		return
	}
	ocppProxy.Start()

}
