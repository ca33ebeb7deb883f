package config

import (
	"embed"
)

//go:embed chainmirror/*
var Store embed.FS
