package main

import "supportpulse/internal/app"

func main() {
	app.Main()
}
