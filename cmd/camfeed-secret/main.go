// cmd/camfeed-secret/main.go
//
// Cifra (ou decifra) credenciais para o arquivo de câmeras:
//
//	CAMFEED_SECRET_KEY=... camfeed-secret minha-senha
//	camfeed-secret --key ... --decrypt enc:...
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/sua-org/camfeed/internal/secrets"
)

func main() {
	_ = godotenv.Load()

	key := flag.String("key", "", "passphrase (padrão CAMFEED_SECRET_KEY)")
	decrypt := flag.BoolP("decrypt", "d", false, "decifra em vez de cifrar")
	flag.Parse()

	passphrase := strings.TrimSpace(*key)
	if passphrase == "" {
		passphrase = strings.TrimSpace(os.Getenv("CAMFEED_SECRET_KEY"))
	}
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "camfeed-secret: passphrase não configurada (--key ou CAMFEED_SECRET_KEY)")
		os.Exit(2)
	}
	box := secrets.New(passphrase)

	values := flag.Args()
	if len(values) == 0 {
		// sem argumentos lê uma linha por valor da entrada padrão
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				values = append(values, line)
			}
		}
		if err := sc.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "camfeed-secret: %v\n", err)
			os.Exit(1)
		}
	}

	failed := false
	for _, v := range values {
		var out string
		var err error
		if *decrypt {
			out, err = box.Decrypt(v)
		} else {
			out, err = box.Encrypt(v)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "camfeed-secret: %v\n", err)
			failed = true
			continue
		}
		fmt.Println(out)
	}
	if failed {
		os.Exit(1)
	}
}
