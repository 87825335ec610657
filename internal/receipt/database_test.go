package receipt

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = &Receipt{
				ID:          "test-id",
				Title:       "SAFEWAY",
				Date:        time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				Amount:      2599,
				Filename:    "test-id_receipt.jpg",
				ContentType: "image/jpeg",
				Confidence:  0.82,
				NeedsReview: false,
				ScanMode:    "enhanced",
				CreatedAt:   time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
				UpdatedAt:   time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
			}
		})

		JustBeforeEach(func() {
			err = db.SaveReceipt(receipt)
		})

		When("saving succeeds", func() {
			It("round-trips every field", func() {
				Expect(err).NotTo(HaveOccurred())
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved).To(Equal(receipt))
			})
		})

		When("the receipt already exists", func() {
			BeforeEach(func() {
				Expect(db.SaveReceipt(&Receipt{ID: "test-id", Title: "OLD"})).To(Succeed())
			})

			It("replaces it", func() {
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Title).To(Equal("SAFEWAY"))
			})
		})

		When("the receipt has no ID", func() {
			BeforeEach(func() {
				receipt.ID = ""
			})

			It("returns an error", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("GetReceipt", func() {
		When("receipt does not exist", func() {
			It("returns ErrNotFound", func() {
				_, err := db.GetReceipt("nonexistent")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("ListReceipts", func() {
		When("there are no receipts", func() {
			It("returns an empty slice", func() {
				receipts, err := db.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).NotTo(BeNil())
				Expect(receipts).To(BeEmpty())
			})
		})

		When("receipts exist", func() {
			BeforeEach(func() {
				day := func(d int) time.Time { return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC) }
				for _, r := range []*Receipt{
					{ID: "old", Date: day(1), CreatedAt: day(2)},
					{ID: "new-first", Date: day(20), CreatedAt: day(20)},
					{ID: "new-second", Date: day(20), CreatedAt: day(21)},
					{ID: "mid", Date: day(10), CreatedAt: day(10)},
				} {
					Expect(db.SaveReceipt(r)).To(Succeed())
				}
			})

			It("orders by date then creation time, newest first", func() {
				receipts, err := db.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				ids := make([]string, 0, len(receipts))
				for _, r := range receipts {
					ids = append(ids, r.ID)
				}
				Expect(ids).To(Equal([]string{"new-second", "new-first", "mid", "old"}))
			})
		})
	})

	Describe("DeleteReceipt", func() {
		BeforeEach(func() {
			Expect(db.SaveReceipt(&Receipt{ID: "test-id"})).To(Succeed())
		})

		It("removes the receipt", func() {
			Expect(db.DeleteReceipt("test-id")).To(Succeed())
			_, err := db.GetReceipt("test-id")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("ignores unknown IDs", func() {
			Expect(db.DeleteReceipt("nonexistent")).To(Succeed())
		})
	})

	When("the database is reopened", func() {
		It("keeps saved receipts", func() {
			Expect(db.SaveReceipt(&Receipt{ID: "persisted", Title: "COSTCO"})).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			saved, err := db.GetReceipt("persisted")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Title).To(Equal("COSTCO"))
		})
	})
})
