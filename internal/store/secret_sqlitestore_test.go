package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/suite"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type secretSQLiteStoreSuite struct {
	secretStore *SecretSQLiteStore
	db          *sql.DB
	suite.Suite
}

func TestSecretSQLiteStore(t *testing.T) {
	suite.Run(t, new(secretSQLiteStoreSuite))
}

func (suite *secretSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	suite.db = db
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		log.Fatal(err)
	}

	RunMigrations(db, "migrations")

	suite.secretStore = NewSecretSQLiteStore(db, db)
}

func (suite *secretSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *secretSQLiteStoreSuite) TestSecretSQLiteStore_CreateSecret() {
	suite.Run("success - secret created", func() {
		// act
		s, err := suite.secretStore.CreateSecret(
			context.Background(), "builder_ssh_key", "build", "builder host key", "deadbeef",
		)

		// assert
		suite.NoError(err)
		suite.NotZero(s.SecretID)
		suite.Equal("builder_ssh_key", s.Name)
		suite.Equal("build", s.Scope)
		suite.False(s.CreatedOn.IsZero())
	})
	suite.Run("failure - duplicate name", func() {
		// arrange
		_, err := suite.secretStore.CreateSecret(
			context.Background(), "dup_secret", "any", "", "aa",
		)
		suite.Require().NoError(err)

		// act
		_, err = suite.secretStore.CreateSecret(
			context.Background(), "dup_secret", "any", "", "bb",
		)

		// assert
		suite.Error(err)
		var sqliteErr *sqlite.Error
		suite.True(errors.As(err, &sqliteErr))
		suite.Equal(sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqliteErr.Code())
	})
}

func (suite *secretSQLiteStoreSuite) TestSecretSQLiteStore_ReadSecretByName() {
	suite.Run("success - secret read", func() {
		// arrange
		_, err := suite.secretStore.CreateSecret(
			context.Background(), "asc_key_id", "broker", "", "cafe",
		)
		suite.Require().NoError(err)

		// act
		s, err := suite.secretStore.ReadSecretByName(context.Background(), "asc_key_id")

		// assert
		suite.NoError(err)
		suite.Equal("cafe", s.ValueHash)
	})
	suite.Run("failure - unknown name", func() {
		// act
		_, err := suite.secretStore.ReadSecretByName(context.Background(), "nope")

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
	})
}

func (suite *secretSQLiteStoreSuite) TestSecretSQLiteStore_UpdateSecret() {
	suite.Run("success - value hash replaced", func() {
		// arrange
		_, err := suite.secretStore.CreateSecret(
			context.Background(), "rotating_secret", "any", "", "old",
		)
		suite.Require().NoError(err)

		// act
		err = suite.secretStore.UpdateSecret(context.Background(), "rotating_secret", "new")

		// assert
		suite.NoError(err)
		s, err := suite.secretStore.ReadSecretByName(context.Background(), "rotating_secret")
		suite.NoError(err)
		suite.Equal("new", s.ValueHash)
	})
}

func (suite *secretSQLiteStoreSuite) TestSecretSQLiteStore_ListSecrets() {
	suite.Run("value hash is not read when listing", func() {
		// arrange
		_, err := suite.secretStore.CreateSecret(
			context.Background(), "listed_secret", "signing", "store key", "beef",
		)
		suite.Require().NoError(err)

		// act
		records, err := suite.secretStore.ListSecrets(context.Background())

		// assert
		suite.NoError(err)
		suite.NotEmpty(records)
		for _, rec := range records {
			suite.Empty(rec.ValueHash)
		}
	})
}

func (suite *secretSQLiteStoreSuite) TestSecretSQLiteStore_DeleteSecret() {
	suite.Run("success - secret deleted", func() {
		// arrange
		_, err := suite.secretStore.CreateSecret(
			context.Background(), "doomed_secret", "any", "", "00",
		)
		suite.Require().NoError(err)

		// act
		err = suite.secretStore.DeleteSecret(context.Background(), "doomed_secret")

		// assert
		suite.NoError(err)
		_, err = suite.secretStore.ReadSecretByName(context.Background(), "doomed_secret")
		suite.True(errors.Is(err, sql.ErrNoRows))
	})
}
