package main

import (
	"fmt"
	"os"

	"github.com/wgfleet/wgfleet/pkg/pwdhash"
)

// Takes a password as the first argument, and prints out a base64 encoded version of the hashed password.
// Useful for setting a user's password manually, eg:
// sqlite3 wgfleet.sqlite "update user set password = 'HASHEDPASSWORD' where username = 'admin'"

func main() {
	if len(os.Args) != 2 {
		fmt.Printf("Usage: pwdhash <password>\n")
		os.Exit(1)
	}
	password := os.Args[1]
	fmt.Printf("%v\n", pwdhash.HashPasswordBase64(password))
}
