package models

import "time"

type User struct {
	Username       string    `json:"username" bson:"username"`
	Password       string    `json:"password" bson:"password"`
	Name           string    `json:"name" bson:"name"`
	Role           string    `json:"role" bson:"role"`
	Token          string    `json:"token" bson:"token"`
	DateRegistered time.Time `json:"date_registered" bson:"date_registered"`
	LastSeen       time.Time `json:"last_seen" bson:"last_seen"`
}
