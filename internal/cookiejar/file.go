package cookiejar

import (
	"errors"
	"os"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
