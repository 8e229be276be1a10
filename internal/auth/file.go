package auth

import "os"

func readLocalFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeLocalFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
