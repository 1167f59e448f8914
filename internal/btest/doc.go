// Package btest contains helpers shared by tests throughout bitcomm.
package btest
