package server

import (
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/wgfleet/wgfleet/pkg/pwdhash"
	"github.com/wgfleet/wgfleet/pkg/rando"
	"github.com/wgfleet/wgfleet/server/model"
	"gorm.io/gorm"
)

// Open or create the DB.
// If the user table is empty, we create an admin user with a random password,
// and print the password to the log. This is the only time the password is visible.
func openDB(log logs.Log, config dbh.DBConfig) (*gorm.DB, error) {
	log.Infof("Opening database %v", config.Database)
	db, err := dbh.OpenDB(log, config, model.Migrations(log), 0)
	if err != nil {
		return nil, err
	}
	nUsers := int64(0)
	if err := db.Table("user").Count(&nUsers).Error; err != nil {
		return nil, err
	}
	if nUsers == 0 {
		pwd := rando.StrongRandomAlphaNumChars(20)
		log.Infof("user table is empty, creating admin user.")
		log.Infof("Username: admin")
		log.Infof("Password: %v", pwd)
		user := model.User{
			Username:  "admin",
			Password:  pwdhash.HashPasswordBase64(pwd),
			IsActive:  true,
			IsAdmin:   true,
			CreatedAt: dbh.MakeIntTime(time.Now()),
		}
		if err := db.Create(&user).Error; err != nil {
			return nil, err
		}
	}
	return db, nil
}

// isUniqueViolation is like dbh.IsKeyViolation, but also recognizes the
// SQLite error text. dbh.IsKeyViolation only knows the Postgres message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return dbh.IsKeyViolation(err) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
