package shmstate_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nstrading/ns-tradechat/shmstate"
)

var _ = Describe("user table", func() {
	var (
		dir string
		s   *shmstate.Shared
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "ns_tradechat_ginkgo")
		Expect(err).NotTo(HaveOccurred())
		s, err = shmstate.OpenPath(filepath.Join(dir, "region"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		s.Close()
		os.RemoveAll(dir)
	})

	Describe("find-or-create", func() {
		It("creates a new user on first login", func() {
			id, err := s.UserFindOrCreate("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(BeNumerically("<", shmstate.MaxUsers))
		})

		It("returns the same id for a repeat login", func() {
			first, err := s.UserFindOrCreate("bob")
			Expect(err).NotTo(HaveOccurred())
			second, err := s.UserFindOrCreate("bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("gives distinct names distinct ids", func() {
			a, _ := s.UserFindOrCreate("carol")
			b, _ := s.UserFindOrCreate("dave")
			Expect(a).NotTo(Equal(b))
		})

		It("starts every fresh account at the initial balance", func() {
			id, _ := s.UserFindOrCreate("erin")
			lock, err := s.AccountLock(id)
			Expect(err).NotTo(HaveOccurred())
			lock.Lock()
			defer lock.Unlock()
			Expect(s.Balance(id)).To(Equal(int64(shmstate.InitialBalance)))
		})

		It("rejects a table-full condition once every slot is used", func() {
			var lastErr error
			for i := 0; i < shmstate.MaxUsers+1; i++ {
				_, err := s.UserFindOrCreate(uniqueName(i))
				if err != nil {
					lastErr = err
					break
				}
			}
			Expect(lastErr).To(Equal(shmstate.ErrUserTableFull))
		})
	})
})

func uniqueName(i int) string {
	// Keep within the 32-byte username slot: "u" plus three letters, unique
	// for every i below 26*26*26.
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := []byte{'u', letters[i%26], letters[(i/26)%26], letters[(i/26/26)%26]}
	return string(b)
}
