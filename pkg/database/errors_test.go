package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/maintenance-api/pkg/config"
)

func TestPostgresErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "maintenance_requests_protocol_number_key"})
	foreign := &pq.Error{Code: "23503"}

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsForeignKeyViolation(unique))
	assert.Equal(t, "maintenance_requests_protocol_number_key", Constraint(unique))

	assert.True(t, IsForeignKeyViolation(foreign))
	assert.False(t, IsNotNullViolation(foreign))

	plain := errors.New("boom")
	assert.False(t, IsUniqueViolation(plain))
	assert.Empty(t, Constraint(plain))
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "db", Port: 5433, User: "ops", Password: "p@ss word", Name: "maintenance", SSLMode: "disable"})
	assert.Equal(t, "postgres://ops:p%40ss%20word@db:5433/maintenance?sslmode=disable", dsn)
}
