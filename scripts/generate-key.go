// Package main generates a fresh credential vault master key and prints it in
// the encodings accepted by ENCRYPTION_KEY. Keep the key out of version
// control; rotating it makes every sealed automation credential unreadable.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/relaypost/relaypost/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Vault Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nHex:    %s\n", hex.EncodeToString(key))
	fmt.Printf("Base64: %s\n", base64.StdEncoding.EncodeToString(key))
	fmt.Println("\n==========================================================")
	fmt.Printf("export ENCRYPTION_KEY=%s\n", hex.EncodeToString(key))
	fmt.Println("==========================================================")
}
