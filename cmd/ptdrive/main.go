package main

import (
	"os"

	"github.com/ankouros/ptdrive/internal/app"
)

func main() {
	os.Exit(app.Main())
}
