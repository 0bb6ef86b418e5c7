package icons

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/draw"
	"image/png"

	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrNotImage 表示下载到的内容无法解码成图片（例如 SVG 或 HTML 错误页）
var ErrNotImage = errors.New("icon is not a decodable image")

const (
	icoHeaderLen   = 6
	icoEntryLen    = 16
	bmpFileHeadLen = 14
	dibInfoLen     = 40
	dibV4InfoLen   = 108
	biBitfields    = 3
)

var (
	icoMagic = []byte{0x00, 0x00, 0x01, 0x00}
	pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
)

// Canonicalize 把任意常见格式的图标（ICO、PNG、GIF、JPEG、BMP、WebP）统一转成 PNG
func Canonicalize(raw []byte) ([]byte, error) {
	img, err := decodeIcon(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeIcon(raw []byte) (image.Image, error) {
	if bytes.HasPrefix(raw, icoMagic) {
		return decodeICO(raw)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}

type icoEntry struct {
	width    int
	bitCount uint16
	size     uint32
	offset   uint32
}

// decodeICO 选出尺寸最大（同尺寸取色深最高）的一帧解码，帧可能是 PNG 也可能是不带文件头的 DIB
func decodeICO(raw []byte) (image.Image, error) {
	if len(raw) < icoHeaderLen {
		return nil, errors.New("ico: short header")
	}
	count := int(binary.LittleEndian.Uint16(raw[4:6]))
	if count == 0 || len(raw) < icoHeaderLen+count*icoEntryLen {
		return nil, errors.New("ico: bad directory")
	}

	var best *icoEntry
	for i := 0; i < count; i++ {
		e := raw[icoHeaderLen+i*icoEntryLen:]
		width := int(e[0])
		if width == 0 {
			width = 256
		}
		entry := icoEntry{
			width:    width,
			bitCount: binary.LittleEndian.Uint16(e[6:8]),
			size:     binary.LittleEndian.Uint32(e[8:12]),
			offset:   binary.LittleEndian.Uint32(e[12:16]),
		}
		if best == nil || entry.width > best.width || (entry.width == best.width && entry.bitCount > best.bitCount) {
			best = &entry
		}
	}

	end := uint64(best.offset) + uint64(best.size)
	if end > uint64(len(raw)) {
		return nil, errors.New("ico: entry out of range")
	}
	data := raw[best.offset:end]

	if bytes.HasPrefix(data, pngMagic) {
		return png.Decode(bytes.NewReader(data))
	}
	return decodeDIB(data)
}

// decodeDIB 给 ICO 里的位图补上 BMP 文件头后交给 x/image/bmp 解码，再按 AND 掩码补上透明度。
// ICO 里记录的高度包含 AND 掩码，需要减半。
func decodeDIB(dib []byte) (image.Image, error) {
	if len(dib) < dibInfoLen {
		return nil, errors.New("ico: short dib header")
	}
	infoLen := binary.LittleEndian.Uint32(dib[0:4])
	if infoLen < dibInfoLen || int(infoLen) > len(dib) {
		return nil, errors.New("ico: bad dib header")
	}

	info := make([]byte, infoLen)
	copy(info, dib)
	width := int(int32(binary.LittleEndian.Uint32(info[4:8])))
	height := int32(binary.LittleEndian.Uint32(info[8:12])) / 2
	binary.LittleEndian.PutUint32(info[8:12], uint32(height))
	bottomUp := height > 0
	rows := int(height)
	if !bottomUp {
		rows = -rows
	}

	bitCount := binary.LittleEndian.Uint16(info[14:16])
	paletteLen := uint32(0)
	if bitCount <= 8 {
		colors := binary.LittleEndian.Uint32(info[32:36])
		if colors == 0 {
			colors = 1 << bitCount
		}
		paletteLen = colors * 4
	}
	if uint64(infoLen)+uint64(paletteLen) > uint64(len(dib)) {
		return nil, errors.New("ico: dib palette out of range")
	}

	// BITMAPINFOHEADER 的 32 位像素会被 x/image/bmp 当成不透明，换成带 BGRA 掩码的 V4 头
	if bitCount == 32 && infoLen == dibInfoLen {
		info = v4Header(info)
	}

	fileHead := make([]byte, bmpFileHeadLen)
	fileHead[0], fileHead[1] = 'B', 'M'
	body := dib[infoLen:]
	binary.LittleEndian.PutUint32(fileHead[2:6], uint32(bmpFileHeadLen+len(info)+len(body)))
	binary.LittleEndian.PutUint32(fileHead[10:14], uint32(bmpFileHeadLen+len(info))+paletteLen)

	buf := make([]byte, 0, len(fileHead)+len(info)+len(body))
	buf = append(append(append(buf, fileHead...), info...), body...)
	img, err := bmp.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}

	out := toNRGBA(img)
	if bitCount == 32 && hasAlpha(out) {
		return out, nil
	}
	// 没有 alpha 通道（或 alpha 全为 0 的旧式 32 位帧）时透明度完全来自 AND 掩码
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}

	xorStride := (width*int(bitCount) + 31) / 32 * 4
	maskStride := (width + 31) / 32 * 4
	maskStart := int(infoLen+paletteLen) + xorStride*rows
	if maskStart+maskStride*rows > len(dib) {
		return out, nil
	}
	applyMask(out, dib[maskStart:maskStart+maskStride*rows], maskStride, bottomUp)
	return out, nil
}

// v4Header 把 40 字节的 BITMAPINFOHEADER 扩成 BITMAPV4HEADER，压缩方式 BI_BITFIELDS，掩码为标准 BGRA
func v4Header(info []byte) []byte {
	v4 := make([]byte, dibV4InfoLen)
	copy(v4, info[:dibInfoLen])
	binary.LittleEndian.PutUint32(v4[0:4], dibV4InfoLen)
	binary.LittleEndian.PutUint32(v4[16:20], biBitfields)
	binary.LittleEndian.PutUint32(v4[40:44], 0x00ff0000)
	binary.LittleEndian.PutUint32(v4[44:48], 0x0000ff00)
	binary.LittleEndian.PutUint32(v4[48:52], 0x000000ff)
	binary.LittleEndian.PutUint32(v4[52:56], 0xff000000)
	return v4
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

func hasAlpha(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			return true
		}
	}
	return false
}

// applyMask 把 AND 掩码里置 1 的像素设为全透明，掩码每像素 1 位，每行按 4 字节对齐
func applyMask(img *image.NRGBA, mask []byte, stride int, bottomUp bool) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for y := 0; y < h; y++ {
		row := y
		if bottomUp {
			row = h - 1 - y
		}
		bits := mask[row*stride : (row+1)*stride]
		for x := 0; x < w; x++ {
			if bits[x/8]&(0x80>>uint(x%8)) != 0 {
				img.Pix[y*img.Stride+x*4+3] = 0
			}
		}
	}
}
