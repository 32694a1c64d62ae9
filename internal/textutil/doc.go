// Package textutil cleans user-facing text that ends up in file names, such
// as song titles and voice model names in exported cover files.
package textutil
