package pg

import (
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

// Migrate applies the goose command (up, down, status, ...) using migrations read
// from fsys. A nil fsys makes goose read dir from the local filesystem.
func Migrate(cfg Config, fsys fs.FS, dir string, command string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}
	goose.SetBaseFS(fsys)
	goose.SetLogger(gooseLogger{})

	db, err := newSqlConnection(cfg)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	defer db.Close()

	if err = goose.Run(command, db, dir); err != nil {
		return errors.Wrapf(err, "goose %s", command)
	}
	return nil
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logger.GetLogger().Printf("[goose] fatal: "+format, v...)
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	logger.GetLogger().Printf("[goose] "+format, v...)
}
