package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_DSN(t *testing.T) {
	o := NewOptions()
	o.Driver = DriverPostgres
	o.Password = "pw"
	assert.Contains(t, o.DSN(), "host=127.0.0.1 port=5432")
	assert.Contains(t, o.DSN(), "dbname=studymate")

	o.Driver = DriverMySQL
	require.NoError(t, o.Complete())
	assert.Equal(t, 3306, o.Port)
	assert.Equal(t, "postgres:pw@tcp(127.0.0.1:3306)/studymate?charset=utf8mb4&parseTime=True&loc=UTC", o.DSN())

	o.Driver = DriverSQLite
	assert.Equal(t, "studymate.db", o.DSN())
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		errs   int
	}{
		{"默认 sqlite", func(*Options) {}, 0},
		{"未知驱动", func(o *Options) { o.Driver = "oracle" }, 1},
		{"postgres 缺少库名", func(o *Options) { o.Driver = DriverPostgres; o.Database = "" }, 1},
		{"日志级别越界", func(o *Options) { o.LogLevel = 9 }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.mutate(o)
			assert.Len(t, o.Validate(), tt.errs)
		})
	}
}
