package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPackage() *Package {
	return &Package{
		PackageID:   "xpkg/com.example.pkg",
		PackageName: "Example Package",
		AuthorID:    "author-1",
		PackageType: PackagePlugin,
		Description: "an example",
		CreatedAt:   time.Now(),
	}
}

func TestCreatePackage_NameTakenFastPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Example Package").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := NewStore(db)
	err = store.CreatePackage(context.Background(), db, testPackage())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, strings.HasSuffix(err.Error(), "name"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePackage_ConcurrentNameCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// A racing create commits between the existence probe and the insert.
	// The lower-cased name index rejects the insert and the violation must
	// still map to the duplicate-name error.
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Example Package").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO packages").
		WillReturnError(&pq.Error{Code: "23505", Constraint: packageNameIndex})

	store := NewStore(db)
	err = store.CreatePackage(context.Background(), db, testPackage())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, strings.HasSuffix(err.Error(), "name"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePackage_IDCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Example Package").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO packages").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "packages_pkey"})

	store := NewStore(db)
	err = store.CreatePackage(context.Background(), db, testPackage())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, strings.HasSuffix(err.Error(), "id"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
