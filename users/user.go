package users

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Username string `gorm:"unique"`
	Password string
}

func Create(db *gorm.DB, username, password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := User{Username: username, Password: string(hashedPassword)}
	if err := db.Create(&user).Error; err != nil {
		return err
	}
	return nil
}

// Authenticate checks a username/password pair against the stored hash.
func Authenticate(db *gorm.DB, username, password string) (bool, error) {
	var user User
	err := db.First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) == nil, nil
}

// Exists reports whether any account is present, used to decide whether to
// seed the admin user at startup.
func Exists(db *gorm.DB) (bool, error) {
	var n int64
	if err := db.Model(&User{}).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
