package cryptox_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jellyswarrm/jellyswarrm/cryptox"
)

var _ = Describe("HashForStorage and Verify", func() {
	It("verifies a password against its own hash", func() {
		hash, err := cryptox.HashForStorage("correct horse battery staple")
		Expect(err).NotTo(HaveOccurred())
		Expect(cryptox.Verify("correct horse battery staple", hash)).To(BeTrue())
	})

	It("rejects the wrong password", func() {
		hash, err := cryptox.HashForStorage("correct horse battery staple")
		Expect(err).NotTo(HaveOccurred())
		Expect(cryptox.Verify("wrong password", hash)).To(BeFalse())
	})

	It("produces a different hash each time (salted)", func() {
		h1, err := cryptox.HashForStorage("same-password")
		Expect(err).NotTo(HaveOccurred())
		h2, err := cryptox.HashForStorage("same-password")
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).NotTo(Equal(h2))
	})
})

var _ = Describe("DeriveKey", func() {
	It("is deterministic for the same password", func() {
		Expect(cryptox.DeriveKey("hunter2")).To(Equal(cryptox.DeriveKey("hunter2")))
	})

	It("differs for different passwords", func() {
		Expect(cryptox.DeriveKey("hunter2")).NotTo(Equal(cryptox.DeriveKey("hunter3")))
	})
})

var _ = Describe("Encrypt and Decrypt", func() {
	It("round-trips arbitrary UTF-8 plaintext", func() {
		key := cryptox.DeriveKey("my-proxy-password")
		ciphertext, err := cryptox.Encrypt("s3cr3t üpstream pw 🔒", key)
		Expect(err).NotTo(HaveOccurred())

		plaintext, err := cryptox.Decrypt(ciphertext, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(plaintext).To(Equal("s3cr3t üpstream pw 🔒"))
	})

	It("fails to decrypt with the wrong key", func() {
		key := cryptox.DeriveKey("my-proxy-password")
		wrongKey := cryptox.DeriveKey("a-different-password")
		ciphertext, err := cryptox.Encrypt("s3cr3t", key)
		Expect(err).NotTo(HaveOccurred())

		_, err = cryptox.Decrypt(ciphertext, wrongKey)
		Expect(err).To(MatchError(cryptox.ErrWrongKey))
	})

	It("produces different ciphertexts for the same plaintext (random nonce)", func() {
		key := cryptox.DeriveKey("pw")
		c1, err := cryptox.Encrypt("hello", key)
		Expect(err).NotTo(HaveOccurred())
		c2, err := cryptox.Encrypt("hello", key)
		Expect(err).NotTo(HaveOccurred())
		Expect(c1).NotTo(Equal(c2))
	})
})
