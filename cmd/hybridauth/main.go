// Command hybridauth はローカル認証とSSOを統合したセッション管理サーバー。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/hybridauth/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hybridauth: %v\n", err)
		os.Exit(1)
	}
}
