package registry

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogGenerator_WritesSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := mock.NewRows([]string{
		"package_id", "package_name", "author_id", "name", "package_type", "description", "created_at",
		"version_string", "dependencies", "incompatibilities", "xp_selection",
		"plat_macos", "plat_windows", "plat_linux",
	}).
		AddRow("com.example.pkg", "Example Package", "author-1", "Example Author", "scenery", "desc", now,
			"1.0.0", `[{"id":"xpkg/com.example.lib","selection":"1-2"}]`, `[]`, "11.5-12", true, true, false).
		AddRow("com.example.pkg", "Example Package", "author-1", "Example Author", "scenery", "desc", now,
			"1.1.0", `[]`, `[]`, "*", true, true, true)
	mock.ExpectQuery("SELECT (.+) FROM versions").WillReturnRows(rows)

	log := logrus.New()
	log.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "catalog.json")
	gen := NewCatalogGenerator(NewStore(db), log, path)

	require.NoError(t, gen.Generate(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snapshot CatalogSnapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	require.Len(t, snapshot.Packages, 1)

	pkg := snapshot.Packages[0]
	assert.Equal(t, "com.example.pkg", pkg.PackageID)
	require.Len(t, pkg.Versions, 2)
	assert.Equal(t, "1.0.0", pkg.Versions[0].Version)
	assert.Equal(t, "xpkg/com.example.lib", pkg.Versions[0].Dependencies[0].ID)
	assert.Equal(t, "11.5-12", pkg.Versions[0].XPlaneSelection)
	assert.False(t, snapshot.Generated.IsZero())
}

func TestCatalogGenerator_EmptyCatalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM versions").
		WillReturnRows(mock.NewRows([]string{
			"package_id", "package_name", "author_id", "name", "package_type", "description", "created_at",
			"version_string", "dependencies", "incompatibilities", "xp_selection",
			"plat_macos", "plat_windows", "plat_linux",
		}))

	log := logrus.New()
	log.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "catalog.json")
	gen := NewCatalogGenerator(NewStore(db), log, path)

	require.NoError(t, gen.Generate(context.Background()))

	var snapshot CatalogSnapshot
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Empty(t, snapshot.Packages)
}
