package image

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Preprocessor 图像预处理步骤
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// 灰度处理器
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// ThresholdProcessor binarizes an image: pixels darker than threshold become
// black, everything else white.
type ThresholdProcessor struct {
	threshold uint8
}

func NewThresholdProcessor(threshold uint8) *ThresholdProcessor {
	return &ThresholdProcessor{threshold: threshold}
}

func (p *ThresholdProcessor) Process(img image.Image) (image.Image, error) {
	grayImg := imaging.Grayscale(img)
	bounds := grayImg.Bounds()
	binary := image.NewGray(bounds)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			grayValue := color.GrayModel.Convert(grayImg.At(x, y)).(color.Gray).Y
			if grayValue < p.threshold {
				binary.SetGray(x, y, color.Gray{Y: 0})
			} else {
				binary.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return binary, nil
}

// 放大处理器，小字截图放大后识别率更高
type ScaleProcessor struct {
	factor float64
}

func NewScaleProcessor(factor float64) *ScaleProcessor {
	return &ScaleProcessor{factor: factor}
}

func (p *ScaleProcessor) Process(img image.Image) (image.Image, error) {
	if p.factor <= 0 {
		return nil, fmt.Errorf("invalid scale factor %v", p.factor)
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * p.factor)
	h := int(float64(b.Dy()) * p.factor)
	if w == 0 || h == 0 {
		return img, nil
	}
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

// 降噪处理器
type DenoiseProcessor struct {
	strength float64
}

func NewDenoiseProcessor(strength float64) *DenoiseProcessor {
	return &DenoiseProcessor{strength: strength}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Blur(img, p.strength), nil
}

// 对比度处理器
type ContrastProcessor struct {
	amount float64
}

func NewContrastProcessor(amount float64) *ContrastProcessor {
	return &ContrastProcessor{amount: amount}
}

func (p *ContrastProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.amount), nil
}

// Pass is one preprocessing pipeline whose output is fed to OCR.
type Pass struct {
	Name  string
	Steps []Preprocessor
}

func (p Pass) Apply(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	result := img
	for _, step := range p.Steps {
		var err error
		result, err = step.Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		if result == nil {
			return nil, fmt.Errorf("%s: preprocessor returned nil image", p.Name)
		}
	}
	return result, nil
}

// DefaultPasses 多种阈值组合，分别适合照片、小字截图和幻灯片
func DefaultPasses() []Pass {
	return []Pass{
		{Name: "threshold-120", Steps: []Preprocessor{NewGrayscaleProcessor(), NewThresholdProcessor(120)}},
		{Name: "upsample-150", Steps: []Preprocessor{NewGrayscaleProcessor(), NewScaleProcessor(1.5), NewThresholdProcessor(150)}},
		{Name: "slides-180", Steps: []Preprocessor{NewGrayscaleProcessor(), NewContrastProcessor(20), NewThresholdProcessor(180)}},
		{Name: "denoise", Steps: []Preprocessor{NewGrayscaleProcessor(), NewDenoiseProcessor(0.5), NewThresholdProcessor(140)}},
	}
}
