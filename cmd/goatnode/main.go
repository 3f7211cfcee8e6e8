package main

import (
	"fmt"
	"os"
)

func main() {
	code := 0
	root := buildRoot(&code)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}
