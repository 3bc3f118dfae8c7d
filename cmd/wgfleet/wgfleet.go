package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/wgfleet/wgfleet/server"
)

func main() {
	parser := argparse.NewParser("wgfleet", "WireGuard tunnel provisioning service")
	configFilePath := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "wgfleet.json"})
	port := parser.String("p", "port", &argparse.Options{Help: "HTTP listen address", Default: ":8000"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	s, err := server.NewServer(*configFilePath)
	if err != nil {
		panic(err)
	}
	s.ListenForKillSignals()
	if err := s.ListenHTTP(*port); err != nil && err != http.ErrServerClosed {
		fmt.Printf("%v\n", err)
	}
}
