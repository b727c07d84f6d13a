package main

import (
	"os"

	"github.com/stickops/bootstick/internal/app"
)

func main() {
	os.Exit(app.Execute())
}
