package main

import (
	"github.com/eleven-am/camera-backend/internal/bootstrap"
)

func main() {
	bootstrap.Run()
}
