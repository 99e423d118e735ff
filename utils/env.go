package utils

import (
	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment when one exists.
func LoadEnv() {
	godotenv.Load()
}
