package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifestRequirementsTxt(t *testing.T) {
	content := `# web stack
flask==2.3.0
requests>=2.28
sqlalchemy~=2.0
gunicorn
`
	deps := parseManifest("backend/requirements.txt", content)
	require.Len(t, deps, 4)
	assert.Equal(t, "flask", deps[0].Name)
	assert.Equal(t, "2.3.0", deps[0].Version)
	assert.Equal(t, "requests", deps[1].Name)
	assert.Equal(t, "gunicorn", deps[3].Name)
	assert.Equal(t, "requirements.txt", deps[0].Source)
}

func TestParseManifestGoMod(t *testing.T) {
	content := `module example.com/app

go 1.22

require (
	github.com/gin-gonic/gin v1.9.1
	github.com/rs/zerolog v1.33.0
)
`
	deps := parseManifest("go.mod", content)
	require.Len(t, deps, 2)
	assert.Equal(t, "github.com/gin-gonic/gin", deps[0].Name)
	assert.Equal(t, "v1.9.1", deps[0].Version)
}

func TestParseManifestPackageJSON(t *testing.T) {
	content := `{
  "name": "webapp",
  "version": "1.0.0",
  "dependencies": {
    "express": "^4.18.2",
    "lodash": "4.17.21"
  }
}`
	deps := parseManifest("package.json", content)
	names := make([]string, 0, len(deps))
	for _, d := range deps {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "express")
	assert.Contains(t, names, "lodash")
	assert.NotContains(t, names, "name")
	assert.NotContains(t, names, "version")
}

func TestParseManifestGemfile(t *testing.T) {
	content := `source 'https://rubygems.org'
gem 'rails', '7.0.4'
gem "puma"
`
	deps := parseManifest("Gemfile", content)
	require.Len(t, deps, 2)
	assert.Equal(t, "rails", deps[0].Name)
	assert.Equal(t, "puma", deps[1].Name)
}

func TestParseManifestEmptyAndComments(t *testing.T) {
	assert.Empty(t, parseManifest("requirements.txt", "# nothing here\n\n"))
}

func TestEntryPointsFor(t *testing.T) {
	routes := entryPointsFor("app/routes.py")
	require.NotEmpty(t, routes)
	assert.Equal(t, "route", routes[0].Kind)

	uploads := entryPointsFor("handlers/upload_handler.go")
	var kinds []string
	for _, ep := range uploads {
		kinds = append(kinds, ep.Kind)
	}
	assert.Contains(t, kinds, "upload")

	assert.Empty(t, entryPointsFor("lib/helpers.py"))
}

func TestSkipDir(t *testing.T) {
	for _, name := range []string{".git", "node_modules", "vendor", "__pycache__", ".cache"} {
		assert.True(t, skipDir(name), name)
	}
	for _, name := range []string{"src", "app", "handlers"} {
		assert.False(t, skipDir(name), name)
	}
}
