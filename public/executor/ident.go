package executor

import "github.com/google/uuid"

// defaultIdent generates a cryptographically random request identifier
// (122 bits of entropy via uuid.NewRandom), replacing the source's
// os.urandom(10) with a collision-resistant equivalent.
func defaultIdent() string {
	return uuid.New().String()
}
