package store

import "time"

type UserModel struct {
	ID           string    `gorm:"primaryKey;size:32"`
	Name         string    `gorm:"size:255;not null"`
	Email        string    `gorm:"size:255;uniqueIndex:users_email_key;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type CollaboratorModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"size:32;not null;index"`
	Name      string    `gorm:"size:255;not null"`
	Email     string    `gorm:"size:255;uniqueIndex:collaborators_email_key;not null"`
	CPF       string    `gorm:"column:cpf;size:11;uniqueIndex:collaborators_cpf_key;not null"`
	City      string    `gorm:"size:100;not null"`
	State     string    `gorm:"size:2;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CollaboratorModel) TableName() string { return "collaborators" }
