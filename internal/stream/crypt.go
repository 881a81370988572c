package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// decryptAES128 decrypts an AES-128-CBC fragment payload and strips the
// PKCS#7 padding. The key must be 16 bytes and the ciphertext a whole
// number of blocks.
func decryptAES128(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("stream: decrypt: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("stream: decrypt: iv length %d, need %d", len(iv), aes.BlockSize)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("stream: decrypt: ciphertext length %d not a multiple of %d", len(data), aes.BlockSize)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return unpadPKCS7(plain)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("stream: decrypt: bad padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("stream: decrypt: bad padding byte %#x", b)
		}
	}
	return data[:len(data)-n], nil
}
