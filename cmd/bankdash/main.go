// Command bankdash は銀行口座連携ダッシュボードのAPIサーバーとワーカーを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/bankdash/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bankdash: %v\n", err)
		os.Exit(1)
	}
}
