package fixtures

import (
	"embed"
)

//go:embed client/* config/*
var FixturesFS embed.FS
