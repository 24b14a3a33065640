// Package usecase is the thin façade in front of session.Repository.
//
// Each use case takes one request value, acquires the shared Handle, makes
// exactly one repository call and returns its result unchanged. Use cases do
// not validate, retry or log.
package usecase
