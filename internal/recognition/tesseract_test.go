package recognition

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("InstallLanguage", func() {
	var assets, data string

	BeforeEach(func() {
		assets = GinkgoT().TempDir()
		data = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(assets, "eng.traineddata"), []byte("model-eng"), 0644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(assets, "spa.traineddata"), []byte("model-spa"), 0644)).To(Succeed())
	})

	It("copies the model into the writable tessdata dir", func() {
		dir, err := InstallLanguage(assets, data, "eng")
		Expect(err).NotTo(HaveOccurred())
		Expect(dir).To(Equal(filepath.Join(data, "tessdata")))

		b, err := os.ReadFile(filepath.Join(dir, "eng.traineddata"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("model-eng"))
	})

	It("installs every language of a combined language list", func() {
		dir, err := InstallLanguage(assets, data, "eng+spa")
		Expect(err).NotTo(HaveOccurred())
		Expect(filepath.Join(dir, "eng.traineddata")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "spa.traineddata")).To(BeAnExistingFile())
	})

	It("leaves an installed model alone", func() {
		dir := filepath.Join(data, "tessdata")
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "eng.traineddata"), []byte("already"), 0644)).To(Succeed())

		_, err := InstallLanguage(assets, data, "eng")
		Expect(err).NotTo(HaveOccurred())
		b, _ := os.ReadFile(filepath.Join(dir, "eng.traineddata"))
		Expect(string(b)).To(Equal("already"))
	})

	It("fails when the bundled model is missing", func() {
		_, err := InstallLanguage(assets, data, "deu")
		Expect(err).To(MatchError(ContainSubstring("deu.traineddata")))
	})

	It("uses the asset dir directly without a data dir", func() {
		dir, err := InstallLanguage(assets, "", "eng")
		Expect(err).NotTo(HaveOccurred())
		Expect(dir).To(Equal(assets))
	})

	It("defers to the system location when nothing is configured", func() {
		dir, err := InstallLanguage("", "", "eng")
		Expect(err).NotTo(HaveOccurred())
		Expect(dir).To(BeEmpty())
	})
})

var _ = Describe("Tesseract", func() {
	var engine *Tesseract

	BeforeEach(func() {
		if os.Getenv("RECEIPT_OCR_TESSERACT_TESTS") == "" {
			Skip("set RECEIPT_OCR_TESSERACT_TESTS=1 to run against a local Tesseract install")
		}
		engine = NewTesseract(DefaultTesseractConfig())
	})

	AfterEach(func() {
		if engine != nil {
			Expect(engine.Release()).To(Succeed())
		}
	})

	It("refuses to recognize before Initialize", func() {
		_, err := engine.Recognize("missing.png")
		Expect(err).To(MatchError(ErrNotInitialized))
	})

	It("reads rendered text", func() {
		Expect(engine.Initialize()).To(Succeed())
		Expect(engine.Initialize()).To(Succeed())

		path := filepath.Join(GinkgoT().TempDir(), "line.png")
		writeTextImage(path, "TOTAL 12.34")

		text, err := engine.Recognize(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(ContainSubstring("12.34"))
	})
})

func writeTextImage(path, text string) {
	img := image.NewGray(image.Rect(0, 0, 240, 40))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 25),
	}
	d.DrawString(text)

	f, err := os.Create(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	Expect(png.Encode(f, img)).To(Succeed())
}
